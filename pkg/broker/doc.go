// Package broker serves secret reads on behalf of verified workloads.
//
// Each Access call runs the pipeline
//
//	identity -> policy -> approval (when required) -> backend -> audit
//
// and writes exactly one audit record, whatever the outcome. Refusals are
// returned as *Error; Kind selects the response status:
//
//	InvalidRequest                         400
//	InvalidIdentity, IdentityMismatch      401
//	Forbidden, ApprovalDenied,
//	ApprovalTimeout                        403
//	SecretNotFound, ApprovalNotFound       404
//	ApprovalConflict                       409
//	RateLimited                            429
//	ApprovalPending                        202
//	BackendUnavailable                     503 (502 on upstream 502)
//	BackendError, Internal                 500
//
// Reads gated by approval are held for up to Config.ApprovalWait in wait
// mode, or answered ApprovalPending immediately in async mode. A held read
// is resumed by repeating it with the approval ID.
package broker
