// Package fault turns a faulting instruction address into a report for the
// embedder.
//
// The signal handler itself only calls module.LookupTrapcode. Classify runs
// afterwards, outside the signal path, and adds what can be learned about
// the address from the module's symbols:
//
//	r := fault.Classify(m, pc)
//	if r.Fatal() {
//		// not a trap raised by module code; the process must not continue
//	}
//	log.Print(r)
package fault
