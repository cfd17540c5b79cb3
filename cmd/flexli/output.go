package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/itchyny/gojq"
)

// printJSON writes v to w as indented JSON. With a non-empty jq filter, v
// is passed through the filter instead and every result is printed on its
// own line; string results are printed raw.
func printJSON(ctx context.Context, w io.Writer, v any, filter string) error {
	if filter == "" {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("parse --jq filter: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("compile --jq filter: %w", err)
	}

	// gojq only walks plain JSON values.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	iter := code.RunWithContext(ctx, doc)
	for {
		val, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := val.(error); isErr {
			return fmt.Errorf("--jq filter: %w", err)
		}
		if s, isString := val.(string); isString {
			fmt.Fprintln(w, s)
			continue
		}
		out, err := json.Marshal(val)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	}
}
