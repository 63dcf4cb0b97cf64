// Package planner decides how an election's cast ballots are partitioned
// into chunks. Ballot ids are shuffled with a Fisher-Yates shuffle seeded
// from crypto/rand, then cut into contiguous slices of at most chunkSize;
// chunk ordinals are dense [0..N). An election is chunked at most once.
package planner
