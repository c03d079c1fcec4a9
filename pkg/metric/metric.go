// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at init and exported in the Prometheus text
// exposition format by WritePrometheus.
package metric

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a valid path.
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define
	// some allowed values.
	ErrFieldHasNoAllowedValues = errors.New("field must contain allowed values")

	// ErrTooManyFieldCombinations is returned when registering a metric
	// with fields whose combinations cannot be indexed.
	ErrTooManyFieldCombinations = errors.New("too many field combinations")
)

// metricNameRE matches "/"-separated paths of lowercase identifiers.
var metricNameRE = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps multi-dimensional field values to a single integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible
	// field combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		n *= len(f.allowedValues)
		if n > 1<<20 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{fields: fields, numFieldCombinations: n}, nil
}

// lookup returns the key for the given field values. It panics when called
// with the wrong number of values or a value that was not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range values {
		allowed := m.fields[i].allowedValues
		for valIdx, a := range allowed {
			if val == a {
				remaining /= len(allowed)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the inverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool

	// fields holds one counter per field value combination.
	fields []atomic.Uint64

	fieldMapper fieldMapper
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Uint64Metric)
)

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	return newUint64Metric(name, true, description, fields...)
}

// NewUint64Gauge creates and registers a new non-cumulative metric.
func NewUint64Gauge(name string, description string, fields ...Field) (*Uint64Metric, error) {
	return newUint64Metric(name, false, description, fields...)
}

func newUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	if !metricNameRE.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	registry[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge calls NewUint64Gauge and panics if it returns an
// error.
func MustCreateNewUint64Gauge(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Gauge(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the registered name of m.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will
// panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Decrement decrements a gauge by 1.
func (m *Uint64Metric) Decrement(fieldValues ...string) {
	if m.cumulative {
		panic(fmt.Sprintf("Decrement on cumulative metric %q", m.name))
	}
	m.DecrementBy(1, fieldValues...)
}

// DecrementBy decrements a gauge by v.
func (m *Uint64Metric) DecrementBy(v uint64, fieldValues ...string) {
	if m.cumulative {
		panic(fmt.Sprintf("Decrement on cumulative metric %q", m.name))
	}
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(^(v - 1))
}

// sortedMetrics returns every registered metric ordered by name.
func sortedMetrics() []*Uint64Metric {
	registryMu.Lock()
	defer registryMu.Unlock()
	ms := make([]*Uint64Metric, 0, len(registry))
	for _, m := range registry {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}
