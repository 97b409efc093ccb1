// Command udxhost runs UDX streams over a UDP socket.
package main

func main() {
	Execute()
}
