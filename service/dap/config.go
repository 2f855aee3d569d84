package dap

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

const cfgTag = "cfgName"

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(args *sessionArgs) *configureIterator {
	cfgValue := reflect.ValueOf(args).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get(cfgTag)
	field = it.cfgValue.Field(it.i)
	return
}

func configureFindFieldByName(args *sessionArgs, name string) reflect.Value {
	it := iterateConfiguration(args)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

func listConfig(args *sessionArgs) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 8, 1, ' ', 0)
	it := iterateConfiguration(args)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", fieldName, field)
	}
	w.Flush()
	return buf.String()
}

func configureSet(args *sessionArgs, cfgname, rest string) error {
	field := configureFindFieldByName(args, cfgname)
	if !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	switch {
	case field.Type() == reflect.TypeOf(time.Duration(0)):
		d, err := time.ParseDuration(rest)
		if err != nil {
			return fmt.Errorf("argument to %q must be a duration", cfgname)
		}
		if d <= 0 {
			return fmt.Errorf("argument to %q must be a duration greater than zero", cfgname)
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("argument to %q must be a number", cfgname)
		}
		if n <= 0 {
			return fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
		}
		field.SetInt(int64(n))
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(rest)
		if err != nil {
			return fmt.Errorf("argument to %q must be true or false", cfgname)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported type for configuration key %q", cfgname)
	}
	return nil
}

// configCmd implements the config command of the debug console.
func (s *Session) configCmd(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("wrong number of arguments to \"config\"")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := args[0]
	if name == "-list" {
		return listConfig(&s.args), nil
	}
	field := configureFindFieldByName(&s.args, name)
	if !field.IsValid() {
		return "", fmt.Errorf("%q is not a configuration parameter", name)
	}
	if len(args) == 1 {
		return fmt.Sprintf("%s\t%v", name, field), nil
	}
	if err := configureSet(&s.args, name, strings.Join(args[1:], " ")); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\t%v\nUpdated", name, field), nil
}
