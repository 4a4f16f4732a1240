package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErr_Undefined(t *testing.T) {
	e := Undefined("function %q", "foo")
	require.Equal(t, `Undefined function "foo"`, e.Error())
	require.Equal(t, "42704", e.Code())
}

func TestErr_Invalid(t *testing.T) {
	e := Invalid("input for type int: %q", "abc")
	require.Equal(t, `Invalid input for type int: "abc"`, e.Error())
	require.Equal(t, "22000", e.Code())
}

func TestErr_Unsupported(t *testing.T) {
	e := Unsupported("cursor scrolling")
	require.Equal(t, "Unsupported cursor scrolling", e.Error())
	require.Equal(t, "0A000", e.Code())
}

func TestErr_WithCode(t *testing.T) {
	e := Invalid("column count").WithCode("42P10")
	require.Equal(t, "42P10", e.Code())
}

func TestErr_WithHint(t *testing.T) {
	e := Undefined("table %q", "t").WithHint("create table %q first", "t")
	require.Equal(t, `create table "t" first`, e.Hint())
}

func TestErr_CodeSurfacing(t *testing.T) {
	e := Undefined("portal %q", "p").WithCode("34000")
	require.Equal(t, "34000", errCode(e))
	require.Equal(t, "", errHint(e))
}
