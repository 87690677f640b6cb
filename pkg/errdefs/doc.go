// Package errdefs defines the error taxonomy shared by all drover
// components. Callers classify failures by Kind rather than by string
// matching; Transport and Timeout errors additionally flow to the
// notification broker at their recovery sites.
package errdefs
