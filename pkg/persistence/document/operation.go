// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// OpKind enumerates the operations the document executor understands.
type OpKind string

const (
	OpInsertOne  OpKind = "insert_one"
	OpFindOne    OpKind = "find_one"
	OpFind       OpKind = "find"
	OpUpdateOne  OpKind = "update_one"
	OpDeleteMany OpKind = "delete_many"
	OpAggregate  OpKind = "aggregate"
)

// SortField orders find results by one document field.
type SortField struct {
	Field string
	Desc  bool
}

// Operation is the engine-neutral operation document the provider
// emits. Filters support equality plus the $lt/$lte/$gt/$gte/$ne
// operators; updates support $set and $inc; aggregate pipelines
// support $match and $group with $sum/$avg/$min/$max accumulators.
type Operation struct {
	Collection string           `json:"collection"`
	Kind       OpKind           `json:"operation"`
	Document   map[string]any   `json:"document,omitempty"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Update     map[string]any   `json:"update,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Skip       int              `json:"skip,omitempty"`
	Sort       []SortField      `json:"sort,omitempty"`
}

// Result is the execution contract's return shape. Document IDs are
// always strings by the time they appear here.
type Result struct {
	Rows     []map[string]any
	LastID   string
	RowCount int64
}

// indexSpec names the document fields composing one secondary index.
type indexSpec struct {
	name   string
	fields []string
}

// indexSpecs mirrors the schema contract: every child collection is
// indexed by pipeline_run_id and timestamp; audit_events additionally
// by (event_type, level).
var indexSpecs = map[string][]indexSpec{
	"ingestion_stats":     {{"run", []string{"pipeline_run_id"}}, {"ts", []string{"timestamp"}}},
	"failed_records":      {{"stat", []string{"stat_id"}}, {"ts", []string{"timestamp"}}},
	"quality_metrics":     {{"run", []string{"pipeline_run_id"}}, {"ts", []string{"timestamp"}}},
	"audit_events":        {{"run", []string{"pipeline_run_id"}}, {"ts", []string{"timestamp"}}, {"type_level", []string{"event_type", "level"}}},
	"performance_metrics": {{"run", []string{"pipeline_run_id"}}, {"ts", []string{"timestamp"}}},
	"system_metrics":      {{"run", []string{"pipeline_run_id"}}, {"ts", []string{"timestamp"}}},
	"pipeline_runs":       {{"started", []string{"started_at"}}},
	"bookmarks":           {},
}

// executor interprets operation documents against a badger instance.
type executor struct {
	db        *badger.DB
	sequences map[string]*badger.Sequence
}

func newExecutor(db *badger.DB) *executor {
	return &executor{db: db, sequences: make(map[string]*badger.Sequence)}
}

func (e *executor) close() {
	for _, seq := range e.sequences {
		_ = seq.Release()
	}
	e.sequences = make(map[string]*badger.Sequence)
}

func docKey(collection, id string) []byte {
	return []byte("doc/" + collection + "/" + id)
}

func docPrefix(collection string) []byte {
	return []byte("doc/" + collection + "/")
}

func idxKey(collection, index string, values []string, id string) []byte {
	return []byte("idx/" + collection + "/" + index + "/" + strings.Join(values, "/") + "/" + id)
}

// execute runs one operation. Writes run in their own read-write
// transaction; reads in a read-only one.
func (e *executor) execute(op Operation) (*Result, error) {
	switch op.Kind {
	case OpInsertOne:
		return e.insertOne(op)
	case OpFindOne:
		op.Limit = 1
		res, err := e.find(op)
		if err != nil {
			return nil, err
		}
		return res, nil
	case OpFind:
		return e.find(op)
	case OpUpdateOne:
		return e.updateOne(op)
	case OpDeleteMany:
		return e.deleteMany(op)
	case OpAggregate:
		return e.aggregate(op)
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *executor) nextID(collection string) (string, error) {
	seq, ok := e.sequences[collection]
	if !ok {
		var err error
		seq, err = e.db.GetSequence([]byte("seq/"+collection), 64)
		if err != nil {
			return "", err
		}
		e.sequences[collection] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return "", err
	}
	// Sequences start at 0; ids start at 1 to match relational rowids.
	return strconv.FormatUint(n+1, 10), nil
}

func (e *executor) insertOne(op Operation) (*Result, error) {
	doc := op.Document
	id, _ := doc["id"].(string)
	if id == "" {
		var err error
		id, err = e.nextID(op.Collection)
		if err != nil {
			return nil, err
		}
		doc["id"] = id
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	err = e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(docKey(op.Collection, id), data); err != nil {
			return err
		}
		return writeIndexes(txn, op.Collection, id, doc)
	})
	if err != nil {
		return nil, err
	}
	return &Result{LastID: id, RowCount: 1}, nil
}

func (e *executor) find(op Operation) (*Result, error) {
	var rows []map[string]any
	err := e.db.View(func(txn *badger.Txn) error {
		return scanCollection(txn, op.Collection, func(doc map[string]any) bool {
			if matchesFilter(doc, op.Filter) {
				rows = append(rows, doc)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	applySort(rows, op.Sort)
	if op.Skip > 0 {
		if op.Skip >= len(rows) {
			rows = nil
		} else {
			rows = rows[op.Skip:]
		}
	}
	if op.Limit > 0 && len(rows) > op.Limit {
		rows = rows[:op.Limit]
	}
	return &Result{Rows: rows, RowCount: int64(len(rows))}, nil
}

func (e *executor) updateOne(op Operation) (*Result, error) {
	var updated int64
	err := e.db.Update(func(txn *badger.Txn) error {
		var target map[string]any
		err := scanCollection(txn, op.Collection, func(doc map[string]any) bool {
			if matchesFilter(doc, op.Filter) {
				target = doc
				return false
			}
			return true
		})
		if err != nil || target == nil {
			return err
		}

		id, _ := target["id"].(string)
		if err := deleteIndexes(txn, op.Collection, id, target); err != nil {
			return err
		}
		applyUpdate(target, op.Update)
		data, err := json.Marshal(target)
		if err != nil {
			return err
		}
		if err := txn.Set(docKey(op.Collection, id), data); err != nil {
			return err
		}
		if err := writeIndexes(txn, op.Collection, id, target); err != nil {
			return err
		}
		updated = 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{RowCount: updated}, nil
}

func (e *executor) deleteMany(op Operation) (*Result, error) {
	var deleted int64
	err := e.db.Update(func(txn *badger.Txn) error {
		var victims []map[string]any
		err := scanCollection(txn, op.Collection, func(doc map[string]any) bool {
			if matchesFilter(doc, op.Filter) {
				victims = append(victims, doc)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, doc := range victims {
			id, _ := doc["id"].(string)
			if err := txn.Delete(docKey(op.Collection, id)); err != nil {
				return err
			}
			if err := deleteIndexes(txn, op.Collection, id, doc); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{RowCount: deleted}, nil
}

func (e *executor) aggregate(op Operation) (*Result, error) {
	filter := map[string]any{}
	var group map[string]any
	for _, stage := range op.Pipeline {
		if match, ok := stage["$match"].(map[string]any); ok {
			for k, v := range match {
				filter[k] = v
			}
		}
		if g, ok := stage["$group"].(map[string]any); ok {
			group = g
		}
	}

	res, err := e.find(Operation{Collection: op.Collection, Kind: OpFind, Filter: filter})
	if err != nil {
		return nil, err
	}
	if group == nil {
		return res, nil
	}

	groups := make(map[string][]map[string]any)
	var order []string
	keyExpr, _ := group["_id"].(string)
	for _, row := range res.Rows {
		key := ""
		if strings.HasPrefix(keyExpr, "$") {
			key = fmt.Sprintf("%v", row[keyExpr[1:]])
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}
	sort.Strings(order)

	var rows []map[string]any
	for _, key := range order {
		out := map[string]any{"_id": key}
		for field, accAny := range group {
			if field == "_id" {
				continue
			}
			acc, ok := accAny.(map[string]any)
			if !ok {
				continue
			}
			out[field] = accumulate(acc, groups[key])
		}
		rows = append(rows, out)
	}
	return &Result{Rows: rows, RowCount: int64(len(rows))}, nil
}

// accumulate evaluates one $sum/$avg/$min/$max accumulator over a group.
func accumulate(acc map[string]any, rows []map[string]any) any {
	for name, argAny := range acc {
		field, _ := argAny.(string)
		fieldName := strings.TrimPrefix(field, "$")
		switch name {
		case "$sum":
			// {$sum: 1} counts; {$sum: "$field"} sums the field.
			if _, isNum := toFloat(argAny); isNum {
				return float64(len(rows))
			}
			var sum float64
			for _, row := range rows {
				if v, ok := toFloat(row[fieldName]); ok {
					sum += v
				}
			}
			return sum
		case "$avg":
			var sum float64
			var n int
			for _, row := range rows {
				if v, ok := toFloat(row[fieldName]); ok {
					sum += v
					n++
				}
			}
			if n == 0 {
				return 0.0
			}
			return sum / float64(n)
		case "$min":
			best, found := 0.0, false
			for _, row := range rows {
				if v, ok := toFloat(row[fieldName]); ok && (!found || v < best) {
					best, found = v, true
				}
			}
			return best
		case "$max":
			best, found := 0.0, false
			for _, row := range rows {
				if v, ok := toFloat(row[fieldName]); ok && (!found || v > best) {
					best, found = v, true
				}
			}
			return best
		}
	}
	return nil
}

// scanCollection iterates all documents in a collection, stopping when
// fn returns false.
func scanCollection(txn *badger.Txn, collection string, fn func(doc map[string]any) bool) error {
	opts := badger.DefaultIteratorOptions
	prefix := docPrefix(collection)
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var doc map[string]any
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
		if err != nil {
			return err
		}
		if !fn(doc) {
			return nil
		}
	}
	return nil
}

func writeIndexes(txn *badger.Txn, collection, id string, doc map[string]any) error {
	for _, spec := range indexSpecs[collection] {
		values, ok := indexValues(doc, spec.fields)
		if !ok {
			continue
		}
		if err := txn.Set(idxKey(collection, spec.name, values, id), []byte(id)); err != nil {
			return err
		}
	}
	return nil
}

func deleteIndexes(txn *badger.Txn, collection, id string, doc map[string]any) error {
	for _, spec := range indexSpecs[collection] {
		values, ok := indexValues(doc, spec.fields)
		if !ok {
			continue
		}
		if err := txn.Delete(idxKey(collection, spec.name, values, id)); err != nil {
			return err
		}
	}
	return nil
}

func indexValues(doc map[string]any, fields []string) ([]string, bool) {
	values := make([]string, 0, len(fields))
	for _, field := range fields {
		v, ok := doc[field]
		if !ok || v == nil {
			return nil, false
		}
		values = append(values, fmt.Sprintf("%v", v))
	}
	return values, true
}

// matchesFilter applies equality and comparison operators.
func matchesFilter(doc, filter map[string]any) bool {
	for field, want := range filter {
		got := doc[field]
		if ops, ok := want.(map[string]any); ok {
			if !matchesOperators(got, ops) {
				return false
			}
			continue
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func matchesOperators(got any, ops map[string]any) bool {
	for op, operand := range ops {
		cmp, comparable := compareValues(got, operand)
		switch op {
		case "$lt":
			if !comparable || cmp >= 0 {
				return false
			}
		case "$lte":
			if !comparable || cmp > 0 {
				return false
			}
		case "$gt":
			if !comparable || cmp <= 0 {
				return false
			}
		case "$gte":
			if !comparable || cmp < 0 {
				return false
			}
		case "$ne":
			if valuesEqual(got, operand) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareValues returns -1/0/1 and whether the pair is comparable.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func applyUpdate(doc, update map[string]any) {
	if set, ok := update["$set"].(map[string]any); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if inc, ok := update["$inc"].(map[string]any); ok {
		for k, v := range inc {
			cur, _ := toFloat(doc[k])
			delta, _ := toFloat(v)
			doc[k] = cur + delta
		}
	}
}

func applySort(rows []map[string]any, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			cmp, ok := compareValues(rows[i][f.Field], rows[j][f.Field])
			if !ok || cmp == 0 {
				continue
			}
			if f.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
