// secrets-router is a zero-trust secret access broker for Kubernetes
// workloads.
//
// Workloads authenticate with a service account token or client
// certificate and ask for one key of one secret. Every read is checked
// against declarative policies, may be held for human approval, is fetched
// from a Dapr, AWS, GCP or Azure secret store, and leaves an audit record.
//
// Usage:
//
//	# Start the server
//	secrets-router run --config /etc/secrets-router/config.yaml
//
//	# Check configuration and policies
//	secrets-router validate --config config.yaml
//
//	# Decide a read offline
//	secrets-router evaluate --policies ./policies --principal frontend-sa \
//	    --namespace web --secret database-credentials --key password
//
//	# Review pending approvals
//	secrets-router approvals list --server https://secrets-router:8080
//	secrets-router approvals approve ap-123 --comment "change ticket 42"
//
//	# Inspect the audit trail
//	secrets-router audit query --principal frontend-sa --decision deny
package main

func main() {
	Execute()
}
