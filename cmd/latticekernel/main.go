// Command latticekernel inspects lattice decompositions and runs the
// exchange and reduction self test on in-process ranks.
package main

func main() {
	Execute()
}
