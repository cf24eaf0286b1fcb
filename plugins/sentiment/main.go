package main

// main is empty; the host calls the exported functions of the reactor
// module.
func main() {}
