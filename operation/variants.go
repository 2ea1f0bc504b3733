package operation

import (
	"fmt"
	"time"
)

// Get reads the current value
type Get struct{ query }

// Tag implements Operation.Tag
func (Get) Tag() Tag { return TagGet }

// Listen registers the session for change events
type Listen struct{ command }

// Tag implements Operation.Tag
func (Listen) Tag() Tag { return TagListen }

// Unlisten removes the session's change listener
type Unlisten struct{ command }

// Tag implements Operation.Tag
func (Unlisten) Tag() Tag { return TagUnlisten }

// KeepAlive is the liveness operation sent on the keep-alive path
type KeepAlive struct{ query }

// Tag implements Operation.Tag
func (KeepAlive) Tag() Tag { return TagKeepAlive }

// Delete removes the primitive from the backend
type Delete struct{ command }

// Tag implements Operation.Tag
func (Delete) Tag() Tag { return TagDelete }

// NewGet returns a Get operation
func NewGet() Get { return Get{} }

// NewListen returns a Listen operation
func NewListen() Listen { return Listen{} }

// NewUnlisten returns an Unlisten operation
func NewUnlisten() Unlisten { return Unlisten{} }

// NewKeepAlive returns a KeepAlive operation
func NewKeepAlive() KeepAlive { return KeepAlive{} }

// NewDelete returns a Delete operation
func NewDelete() Delete { return Delete{} }

// Set replaces the value. A nil value clears it.
type Set struct {
	command
	value []byte
}

// Tag implements Operation.Tag
func (Set) Tag() Tag { return TagSet }

// Value returns the new value, nil meaning absent
func (set Set) Value() []byte { return set.value }

// CompareAndSet replaces the value only if it currently equals Expect
type CompareAndSet struct {
	command
	expect []byte
	update []byte
}

// Tag implements Operation.Tag
func (CompareAndSet) Tag() Tag { return TagCompareAndSet }

// Expect returns the expected current value, nil meaning absent
func (cas CompareAndSet) Expect() []byte { return cas.expect }

// Update returns the replacement value, nil meaning absent
func (cas CompareAndSet) Update() []byte { return cas.update }

// GetAndSet replaces the value and returns the previous one
type GetAndSet struct {
	command
	value []byte
}

// Tag implements Operation.Tag
func (GetAndSet) Tag() Tag { return TagGetAndSet }

// Value returns the new value, nil meaning absent
func (getAndSet GetAndSet) Value() []byte { return getAndSet.value }

// Increment adds Delta to a numeric value
type Increment struct {
	command
	delta int64
}

// Tag implements Operation.Tag
func (Increment) Tag() Tag { return TagIncrement }

// Delta returns the amount to add
func (increment Increment) Delta() int64 { return increment.delta }

// Decrement subtracts Delta from a numeric value
type Decrement struct {
	command
	delta int64
}

// Tag implements Operation.Tag
func (Decrement) Tag() Tag { return TagDecrement }

// Delta returns the amount to subtract
func (decrement Decrement) Delta() int64 { return decrement.delta }

func validateTTL(ttl time.Duration) (time.Duration, error) {
	if ttl < 0 {
		return 0, fmt.Errorf("ttl %s is negative: %w", ttl, ErrInvalidOperation)
	}

	return normalizeTTL(ttl), nil
}

func missing(field string) error {
	return fmt.Errorf("%s is required: %w", field, ErrInvalidOperation)
}

// SetBuilder accumulates the fields of a Set
type SetBuilder struct {
	value    []byte
	valueSet bool
	ttl      time.Duration
}

// WithValue sets the new value
func (builder *SetBuilder) WithValue(value []byte) *SetBuilder {
	builder.value = value
	builder.valueSet = true

	return builder
}

// WithTTL sets the ttl
func (builder *SetBuilder) WithTTL(ttl time.Duration) *SetBuilder {
	builder.ttl = ttl

	return builder
}

// Build validates the accumulated fields
func (builder *SetBuilder) Build() (Set, error) {
	if !builder.valueSet {
		return Set{}, missing("value")
	}

	ttl, err := validateTTL(builder.ttl)

	if err != nil {
		return Set{}, err
	}

	return Set{command: command{ttl: ttl}, value: builder.value}, nil
}

// CompareAndSetBuilder accumulates the fields of a CompareAndSet
type CompareAndSetBuilder struct {
	expect    []byte
	expectSet bool
	update    []byte
	updateSet bool
	ttl       time.Duration
}

// WithExpect sets the expected current value
func (builder *CompareAndSetBuilder) WithExpect(expect []byte) *CompareAndSetBuilder {
	builder.expect = expect
	builder.expectSet = true

	return builder
}

// WithUpdate sets the replacement value
func (builder *CompareAndSetBuilder) WithUpdate(update []byte) *CompareAndSetBuilder {
	builder.update = update
	builder.updateSet = true

	return builder
}

// WithTTL sets the ttl of the replacement value
func (builder *CompareAndSetBuilder) WithTTL(ttl time.Duration) *CompareAndSetBuilder {
	builder.ttl = ttl

	return builder
}

// Build validates the accumulated fields
func (builder *CompareAndSetBuilder) Build() (CompareAndSet, error) {
	if !builder.expectSet {
		return CompareAndSet{}, missing("expect")
	}

	if !builder.updateSet {
		return CompareAndSet{}, missing("update")
	}

	ttl, err := validateTTL(builder.ttl)

	if err != nil {
		return CompareAndSet{}, err
	}

	return CompareAndSet{command: command{ttl: ttl}, expect: builder.expect, update: builder.update}, nil
}

// GetAndSetBuilder accumulates the fields of a GetAndSet
type GetAndSetBuilder struct {
	value    []byte
	valueSet bool
	ttl      time.Duration
}

// WithValue sets the new value
func (builder *GetAndSetBuilder) WithValue(value []byte) *GetAndSetBuilder {
	builder.value = value
	builder.valueSet = true

	return builder
}

// WithTTL sets the ttl
func (builder *GetAndSetBuilder) WithTTL(ttl time.Duration) *GetAndSetBuilder {
	builder.ttl = ttl

	return builder
}

// Build validates the accumulated fields
func (builder *GetAndSetBuilder) Build() (GetAndSet, error) {
	if !builder.valueSet {
		return GetAndSet{}, missing("value")
	}

	ttl, err := validateTTL(builder.ttl)

	if err != nil {
		return GetAndSet{}, err
	}

	return GetAndSet{command: command{ttl: ttl}, value: builder.value}, nil
}

// IncrementBuilder accumulates the fields of an Increment or Decrement
type IncrementBuilder struct {
	delta    int64
	deltaSet bool
	ttl      time.Duration
}

// WithDelta sets the delta
func (builder *IncrementBuilder) WithDelta(delta int64) *IncrementBuilder {
	builder.delta = delta
	builder.deltaSet = true

	return builder
}

// WithTTL sets the ttl of the resulting value
func (builder *IncrementBuilder) WithTTL(ttl time.Duration) *IncrementBuilder {
	builder.ttl = ttl

	return builder
}

func (builder *IncrementBuilder) build() (command, error) {
	if !builder.deltaSet {
		return command{}, missing("delta")
	}

	ttl, err := validateTTL(builder.ttl)

	if err != nil {
		return command{}, err
	}

	return command{ttl: ttl}, nil
}

// BuildIncrement validates the accumulated fields as an Increment
func (builder *IncrementBuilder) BuildIncrement() (Increment, error) {
	command, err := builder.build()

	if err != nil {
		return Increment{}, err
	}

	return Increment{command: command, delta: builder.delta}, nil
}

// BuildDecrement validates the accumulated fields as a Decrement
func (builder *IncrementBuilder) BuildDecrement() (Decrement, error) {
	command, err := builder.build()

	if err != nil {
		return Decrement{}, err
	}

	return Decrement{command: command, delta: builder.delta}, nil
}

// NewSet builds a Set
func NewSet(value []byte, ttl time.Duration) (Set, error) {
	return (&SetBuilder{}).WithValue(value).WithTTL(ttl).Build()
}

// NewCompareAndSet builds a CompareAndSet
func NewCompareAndSet(expect []byte, update []byte, ttl time.Duration) (CompareAndSet, error) {
	return (&CompareAndSetBuilder{}).WithExpect(expect).WithUpdate(update).WithTTL(ttl).Build()
}

// NewGetAndSet builds a GetAndSet
func NewGetAndSet(value []byte, ttl time.Duration) (GetAndSet, error) {
	return (&GetAndSetBuilder{}).WithValue(value).WithTTL(ttl).Build()
}

// NewIncrement builds an Increment
func NewIncrement(delta int64, ttl time.Duration) (Increment, error) {
	return (&IncrementBuilder{}).WithDelta(delta).WithTTL(ttl).BuildIncrement()
}

// NewDecrement builds a Decrement
func NewDecrement(delta int64, ttl time.Duration) (Decrement, error) {
	return (&IncrementBuilder{}).WithDelta(delta).WithTTL(ttl).BuildDecrement()
}
