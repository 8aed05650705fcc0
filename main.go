package main

import "github.com/renjiyun06/mosaic-sub001/cmd"

func main() {
	cmd.Execute()
}
