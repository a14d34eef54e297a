package main

import "github.com/stephnangue/tenantauth/cmd"

func main() {
	cmd.Execute()
}
