// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package colexec holds the narrow expression-evaluation seams the join
// engine depends on. The real evaluation engine lives outside; these
// interfaces are all the engine ever sees of it.
package colexec

import (
	"bytes"
	"math"

	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/container/tuple"
)

// KeyExpr evaluates one join-key expression against a single-side row.
type KeyExpr interface {
	Eval(row tuple.Tuple) (tuple.Datum, error)
}

// Conjunct is a pure predicate over a combined output row.
type Conjunct interface {
	Eval(row *batch.JoinedRow) (bool, error)
}

// EvalConjuncts evaluates the general output conjuncts; a row passes only
// when every conjunct holds.
func EvalConjuncts(conjs []Conjunct, row *batch.JoinedRow) (bool, error) {
	for _, c := range conjs {
		ok, err := c.Eval(row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ColExpr is the key expression selecting column Pos of the row.
type ColExpr struct {
	Pos int
}

func (e ColExpr) Eval(row tuple.Tuple) (tuple.Datum, error) {
	if e.Pos < 0 || e.Pos >= len(row) {
		return tuple.Datum{}, joerr.NewInternal("column %d out of row arity %d", e.Pos, len(row))
	}
	return row[e.Pos], nil
}

// AddExpr selects column Pos and adds a constant, erroring on overflow.
// It exists so evaluation failure has a concrete shape in tests.
type AddExpr struct {
	Pos   int
	Delta int64
}

func (e AddExpr) Eval(row tuple.Tuple) (tuple.Datum, error) {
	d, err := ColExpr{Pos: e.Pos}.Eval(row)
	if err != nil {
		return tuple.Datum{}, err
	}
	if d.Null {
		return d, nil
	}
	if d.Typ != tuple.TInt64 {
		return tuple.Datum{}, joerr.NewInternal("add on non-integer column %d", e.Pos)
	}
	if (e.Delta > 0 && d.I > math.MaxInt64-e.Delta) ||
		(e.Delta < 0 && d.I < math.MinInt64-e.Delta) {
		return tuple.Datum{}, joerr.NewOutOfRange("join key expression")
	}
	d.I += e.Delta
	return d, nil
}

// Side selects which half of a JoinedRow a column reference resolves in.
type Side uint8

const (
	ProbeSide Side = iota
	BuildSide
)

// ColRef addresses a column of one side of a combined row. A reference
// into a NULL-padded side yields a null datum.
type ColRef struct {
	Side Side
	Pos  int
}

func (r ColRef) datum(row *batch.JoinedRow) tuple.Datum {
	var t tuple.Tuple
	if r.Side == ProbeSide {
		t = row.Probe
	} else {
		t = row.Build
	}
	if t == nil || r.Pos >= len(t) {
		return tuple.Null(tuple.TInt64)
	}
	return t[r.Pos]
}

// EqConjunct holds when both referenced datums are non-null and equal.
type EqConjunct struct {
	Left  ColRef
	Right ColRef
}

func (c EqConjunct) Eval(row *batch.JoinedRow) (bool, error) {
	a, b := c.Left.datum(row), c.Right.datum(row)
	if a.Null || b.Null {
		return false, nil
	}
	if a.Typ != b.Typ {
		return false, nil
	}
	if a.Typ == tuple.TBytes {
		return bytes.Equal(a.B, b.B), nil
	}
	return a.I == b.I, nil
}

// FuncConjunct adapts a plain function; used by tests and callers that
// bring their own evaluation engine.
type FuncConjunct func(row *batch.JoinedRow) (bool, error)

func (f FuncConjunct) Eval(row *batch.JoinedRow) (bool, error) {
	return f(row)
}
