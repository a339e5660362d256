// Package anomaly scores secret reads against each caller's access history.
//
// A Detector keeps a small behavioral profile per principal: the secrets it
// has read, the hours of day it is active, its recent request rate and its
// recent denials. Score combines the signals that deviate from the profile
// into a value in 0..100 which the policy evaluator attaches to every
// decision and compares against anomaly conditions.
//
// Profiles are only scored for novelty once a principal has made
// WarmupRequests observed requests; before that only the rate and denial
// signals apply.
package anomaly
