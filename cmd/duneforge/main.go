package main

import "duneforge/internal/duneforge"

func main() {
	duneforge.Main()
}
