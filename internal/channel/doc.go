// Package channel serializes directory I/O onto one storage worker.
//
// Block storage handles are bound to the goroutine (and OS thread) that
// opened them, while the full-text engine performs directory I/O from
// arbitrary goroutines, including background merges. A Handler owns a single
// worker goroutine locked to its OS thread; the worker builds the real
// directory itself and executes every submitted job against it in dequeue
// order. Directory adapts a Handler back into an fts.Directory.
package channel
