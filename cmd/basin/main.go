// basin is the command line for the basin repository engine: sessions,
// operation records, landings, history, and repository maintenance.
package main

func main() {
	Execute()
}
