/*
Package api exposes the orchestration HTTP surface: election and ballot
intake, tally and combine job creation, guardian decryption submission
and its polled status, job status, cached results, and operator
endpoints for dead letters, health and metrics.

Domain errors map onto stable machine-readable codes: INVALID_INPUT,
INVALID_CREDENTIAL, DUPLICATE_SUBMISSION (carrying the current
submission snapshot), RESULTS_NOT_READY and NOT_FOUND.
*/
package api
