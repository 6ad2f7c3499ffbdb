// Command poolctl exercises handle pools: it runs randomized workloads,
// writes and inspects arena snapshots, and serves pool metrics.
package main

func main() {
	execute()
}
