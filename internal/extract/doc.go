// Package extract turns rendered pages into typed values through a language model.
//
// Every call follows the same path: wait for the per-host limiter, render the
// page, condense it to text, ask the model for a JSON object shaped like the
// requested schema, then validate it. Callers either get a validated value or
// an *Error describing which stage failed.
package extract
