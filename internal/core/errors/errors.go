// Package errors re-exports the subset of github.com/cockroachdb/errors used by
// the automation engines, so call sites get stack traces and details without
// importing the library directly.
package errors

import crdb "github.com/cockroachdb/errors"

// Creation and wrapping
var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	WithHint    = crdb.WithHint
	Join        = crdb.Join
)

// Inspection
var (
	Is             = crdb.Is
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	FlattenDetails = crdb.FlattenDetails
)
