// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/itchyny/gojq"
)

// jqTimeout bounds how long a --jq expression may run against a single
// response, the way internal/jq's Executor bounds workflow expressions.
const jqTimeout = 1 * time.Second

// printResult renders v as indented JSON, optionally piped through a
// jq expression first when the root command's --jq flag is set.
func printResult(v any) error {
	if jqExpr == "" {
		return printJSON(v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return fmt.Errorf("invalid --jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("compiling --jq expression: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), jqTimeout)
	defer cancel()

	type result struct {
		values []any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		iter := code.Run(data)
		var values []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := v.(error); isErr {
				done <- result{err: jqErr}
				return
			}
			values = append(values, v)
		}
		done <- result{values: values}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("--jq: %w", r.err)
		}
		for _, v := range r.values {
			if err := printJSON(v); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("--jq: execution timeout after %v", jqTimeout)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
