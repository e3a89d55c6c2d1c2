// Command vmserver boots the virtual memory server on a synthetic workload.
package main

import "github.com/sarchlab/vmserver/vmserver/cmd"

func main() {
	cmd.Execute()
}
