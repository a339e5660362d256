// Package identity resolves the verified caller of a request into a
// ServiceIdentity.
//
// Bearer tokens are verified either locally as signed JWTs (JWTVerifier) or
// by delegating to the Kubernetes TokenReview API (TokenReviewer). Client
// certificates are mapped from a SPIFFE URI SAN or a configured subject field
// (CertificateVerifier). Successful verifications are cached briefly by
// credential fingerprint.
//
// Request metadata may add labels but can never contradict the verified
// credential; a contradiction yields ErrIdentityMismatch.
package identity
