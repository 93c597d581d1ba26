package main

import cmd "github.com/joeriben/ai4artsed-webserver-sub001/cmd/devserver"

func main() {
	cmd.Execute()
}
