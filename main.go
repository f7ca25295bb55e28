package main

import "github.com/AfterWorld/MerryGo/cmd"

func main() {
	cmd.Execute()
}
