package main

import "dingclaw/cmd"

func main() {
	cmd.Execute()
}
