// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ace

import "strconv"

// ArgType is the type of an analytic argument. It determines how the
// engine converts a command line value before passing it to
// Analytic.Set.
type ArgType int

const (
	// Boolean arguments are set with a bool.
	Boolean ArgType = iota
	// Integer arguments are set with an int.
	Integer
	// Double arguments are set with a float64.
	Double
	// String arguments are set with a string.
	String
	// Selection arguments are set with a string that is one of the
	// argument's Values.
	Selection
	// FileIn arguments are set with an io.Reader of the opened file.
	FileIn
	// FileOut arguments are set with an io.Writer of the created file.
	FileOut
	// DataIn arguments are set with the *data.Object opened from the
	// given path.
	DataIn
	// DataOut arguments are set with a new *data.Object that is written
	// to the given path after the analytic finishes.
	DataOut
)

var argTypes = [...]string{
	Boolean:   "bool",
	Integer:   "int",
	Double:    "double",
	String:    "string",
	Selection: "selection",
	FileIn:    "file-in",
	FileOut:   "file-out",
	DataIn:    "data-in",
	DataOut:   "data-out",
}

func (t ArgType) String() string {
	if t >= 0 && int(t) < len(argTypes) {
		return argTypes[t]
	}
	return "argtype" + strconv.Itoa(int(t))
}

// IsBasic tells whether arguments of this type carry plain values
// rather than files or data objects.
func (t ArgType) IsBasic() bool {
	return t < FileIn
}

// An Argument describes one argument accepted by an analytic.
type Argument struct {
	// Name is the argument's command line name.
	Name string
	Type ArgType
	// Title and Help are human-readable descriptions.
	Title, Help string
	// Default is the value used when the argument is not given. Its
	// type must match what Set expects for Type.
	Default interface{}
	// Values lists the legal values of a Selection argument.
	Values []string
	// DataType is the data factory type of DataIn and DataOut
	// arguments.
	DataType int
	// Required arguments must be given, or have a default.
	Required bool
}

// Parse converts a command line value into the value passed to
// Analytic.Set for basic argument types. Values of other types are
// returned unchanged.
func (a Argument) Parse(value string) (interface{}, error) {
	switch a.Type {
	case Boolean:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, ConfigurationError("argument %s: %v", a.Name, err)
		}
		return v, nil
	case Integer:
		v, err := strconv.Atoi(value)
		if err != nil {
			return nil, ConfigurationError("argument %s: %v", a.Name, err)
		}
		return v, nil
	case Double:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, ConfigurationError("argument %s: %v", a.Name, err)
		}
		return v, nil
	case Selection:
		for _, v := range a.Values {
			if v == value {
				return v, nil
			}
		}
		return nil, ConfigurationError("argument %s: %q is not one of %v", a.Name, value, a.Values)
	default:
		return value, nil
	}
}

// FindArgument returns the argument with the provided name.
func FindArgument(args []Argument, name string) (Argument, bool) {
	for _, a := range args {
		if a.Name == name {
			return a, true
		}
	}
	return Argument{}, false
}

// TypeError returns the error reported by Analytic.Set when an
// argument is set with a value of the wrong type.
func TypeError(name string, value interface{}) error {
	return LogicError("argument %s: unexpected value of type %T", name, value)
}
