// kulfi CLI - exposes and bridges local TCP/UDP/HTTP services over a
// peer-to-peer overlay.
package main

import "github.com/kulfi-go/kulfi/pkg/kulficli"

func main() {
	kulficli.Execute()
}
