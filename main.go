package main

import "github.com/ValentinKolb/segcache/cmd"

func main() {
	cmd.Execute()
}
