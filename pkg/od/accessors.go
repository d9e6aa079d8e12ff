package od

// Bytes returns a copy of the variable's raw value.
func (variable *Variable) Bytes() []byte {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	b := make([]byte, len(variable.value))
	copy(b, variable.value)
	return b
}

// Any decodes the variable using its CiA 301 data type, returning one of
// string, int64, uint64 or float64.
func (variable *Variable) Any() (any, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return DecodeToType(variable.value, variable.DataType)
}

// AnyExact decodes the variable to its exact Go type (uint8, ..., int64,
// float32, float64, string).
func (variable *Variable) AnyExact() (any, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return DecodeToTypeExact(variable.value, variable.DataType)
}

// Bool decodes a BOOLEAN variable.
func (variable *Variable) Bool() (bool, error) {
	v, err := variable.Uint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Uint decodes any unsigned integer variable, widened to uint64.
func (variable *Variable) Uint() (uint64, error) {
	v, err := variable.Any()
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return u, nil
}

// Int decodes any signed integer variable, widened to int64.
func (variable *Variable) Int() (int64, error) {
	v, err := variable.Any()
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return i, nil
}

// Float decodes any floating point variable, widened to float64.
func (variable *Variable) Float() (float64, error) {
	v, err := variable.Any()
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return f, nil
}

// String decodes a VISIBLE_STRING or OCTET_STRING variable.
func (variable *Variable) String() (string, error) {
	v, err := variable.Any()
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", ErrTypeMismatch
	}
	return s, nil
}

func (variable *Variable) Uint8() (uint8, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint8)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return u, nil
}

func (variable *Variable) Uint16() (uint16, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint16)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return u, nil
}

func (variable *Variable) Uint32() (uint32, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint32)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return u, nil
}

func (variable *Variable) Uint64() (uint64, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return u, nil
}

func (variable *Variable) Int8() (int8, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	i, ok := v.(int8)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return i, nil
}

func (variable *Variable) Int16() (int16, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	i, ok := v.(int16)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return i, nil
}

func (variable *Variable) Int32() (int32, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	i, ok := v.(int32)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return i, nil
}

func (variable *Variable) Int64() (int64, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return i, nil
}

func (variable *Variable) Float32() (float32, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	f, ok := v.(float32)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return f, nil
}

func (variable *Variable) Float64() (float64, error) {
	v, err := variable.AnyExact()
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return f, nil
}

// PutBytes overwrites the variable's raw value. len(value) must match the
// existing value length.
func (variable *Variable) PutBytes(value []byte) error {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if len(value) != len(variable.value) {
		if len(value) < len(variable.value) {
			return ErrDataShort
		}
		return ErrDataLong
	}
	copy(variable.value, value)
	return nil
}

// PutAnyExact encodes a native Go value (uint8, ..., int64, float32,
// float64, string, []byte) and stores it, checking the CiA 301 datatype
// length invariant.
func (variable *Variable) PutAnyExact(value any) error {
	encoded, err := EncodeFromGeneric(value)
	if err != nil {
		return err
	}
	if err := CheckSize(len(encoded), variable.DataType); err != nil {
		return err
	}
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if len(variable.value) != len(encoded) {
		variable.value = make([]byte, len(encoded))
	}
	copy(variable.value, encoded)
	return nil
}
