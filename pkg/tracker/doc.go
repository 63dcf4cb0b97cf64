/*
Package tracker gates guardian decryption submissions.

A submission passes through three checks before any work is queued: the
guardian must be on the roster, must not already have a live or
completed submission, and must present a credential that unseals their
stored share. Concurrent submissions for the same (election, guardian)
collapse onto one launch; the loser of any remaining race sees the
durable status row and gets a DuplicateError carrying the current
snapshot.
*/
package tracker
