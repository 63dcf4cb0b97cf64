/*
Package audit emits orchestration milestones to an external audit
endpoint.

Delivery is asynchronous and best effort: a slow or unreachable endpoint
never delays or fails the operation being audited. Events carry
identifiers and counts only.
*/
package audit
