package main

import (
	"fmt"
	"io"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

const (
	exitFailure = 1
	exitConfig  = 3
)

// reportError prints err the way operators read it: code, message, details
// the code allows, and whether a retry may help. It returns the exit status.
func reportError(w io.Writer, err error, verbose bool) int {
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	meta := pkgerrors.MetadataFor(typed.Code())

	msg := typed.Message()
	if msg == "" {
		msg = meta.PublicMessage
	}
	fmt.Fprintf(w, "%s: %s\n", typed.Code(), msg)
	if meta.DetailsAllowed {
		for _, d := range pkgerrors.DocumentErrors(typed) {
			fmt.Fprintf(w, "  #%d %s: code %d: %s\n", d.Index, d.ID, d.Code, d.Message)
		}
		if details, ok := typed.Details().(map[string]any); ok {
			for k, v := range details {
				fmt.Fprintf(w, "  %s: %v\n", k, v)
			}
		}
	}
	if meta.Retryable {
		fmt.Fprintln(w, "  the failure may be transient, retry later")
	}
	if verbose {
		dump := pkgerrors.Dump(err)
		for _, link := range dump.Chain {
			fmt.Fprintf(w, "  caused by %s\n", link)
		}
		if len(dump.MongoCodes) > 0 {
			fmt.Fprintf(w, "  server codes %v labels %v\n", dump.MongoCodes, dump.MongoLabels)
		}
	}
	if meta.Fatal {
		return exitConfig
	}
	return exitFailure
}
