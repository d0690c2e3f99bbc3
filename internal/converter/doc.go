// Package converter runs the worker side of the conversion pipeline: it
// consumes queued tasks, stages their input (direct download, stored
// snapshot plus change replay, or a forgotten file copy), invokes the
// external conversion binary under the task's visibility window, classifies
// the exit, uploads results, and answers on the response queue.
package converter
