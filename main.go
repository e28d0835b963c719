package main

import "github.com/Zerofisher/capfile/cmd"

func main() {
	cmd.Execute()
}
