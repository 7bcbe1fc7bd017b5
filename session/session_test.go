/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldRegistryBasic(t *testing.T) {
	reg := NewFieldRegistry()
	h := reg.DefineField("http.uri", FieldStringArray)
	h2, ok := reg.ByExpression("http.uri")
	require.True(t, ok)
	require.Equal(t, h, h2)

	typ, ok := reg.Type(h)
	require.True(t, ok)
	require.Equal(t, FieldStringArray, typ)

	require.NoError(t, reg.BindShortAlias(3, h))
	alias, ok := reg.ByShortAlias(3)
	require.True(t, ok)
	require.Equal(t, h, alias)

	require.Error(t, reg.BindShortAlias(20, h))
	require.Error(t, reg.BindShortAlias(-1, h))
}

func TestFieldRegistryTagHandle(t *testing.T) {
	reg := NewFieldRegistry()
	th := reg.TagHandle()
	typ, ok := reg.Type(th)
	require.True(t, ok)
	require.Equal(t, FieldTag, typ)

	id1 := reg.NegotiateTag("net")
	id2 := reg.NegotiateTag("net")
	require.Equal(t, id1, id2)
	id3 := reg.NegotiateTag("other")
	require.NotEqual(t, id1, id3)
}

func TestBuildOperationTypes(t *testing.T) {
	reg := NewFieldRegistry()
	ipH := reg.DefineField("addr.field", FieldIPArray)
	intH := reg.DefineField("count", FieldInt)
	strH := reg.DefineField("http.uri", FieldString)

	op, err := BuildOperation(reg, ipH, "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, OpIP, op.Kind)
	require.Equal(t, uint32(10)<<24|uint32(5), op.Int)

	op, err = BuildOperation(reg, intH, "42")
	require.NoError(t, err)
	require.Equal(t, OpInt, op.Kind)
	require.Equal(t, uint32(42), op.Int)

	op, err = BuildOperation(reg, strH, "hit")
	require.NoError(t, err)
	require.Equal(t, OpStr, op.Kind)
	require.Equal(t, "hit", op.Str)

	op, err = BuildOperation(reg, reg.TagHandle(), "net")
	require.NoError(t, err)
	require.Equal(t, OpTag, op.Kind)

	_, err = BuildOperation(reg, intH, "not-a-number")
	require.Error(t, err)
}

func TestIPv4RoundTrip(t *testing.T) {
	v, err := ParseIPv4("10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", FormatIPv4(v))

	_, err = ParseIPv4("not.an.ip.address")
	require.Error(t, err)

	_, err = ParseIPv4("999.0.0.1")
	require.Error(t, err)
}

func TestBaseSessionApplyOperation(t *testing.T) {
	reg := NewFieldRegistry()
	uriH := reg.DefineField("http.uri", FieldStringArray)

	s := NewBaseSession(0x0a000001, 0x0a000002)
	s.ApplyOperation(reg, NewTagOp(reg.TagHandle(), "t1"))
	s.ApplyOperation(reg, NewStrOp(uriH, "hit"))

	require.Equal(t, []string{"t1"}, s.Tags)
	require.Len(t, s.Fields[uriH], 1)
	require.Equal(t, "hit", s.Fields[uriH][0].Str)

	// duplicate tags collapse
	s.AddTag("t1")
	require.Len(t, s.Tags, 1)
}

func TestBaseSessionOutstandingCounter(t *testing.T) {
	s := NewBaseSession(1, 2)
	require.Equal(t, int32(0), s.Outstanding())
	s.IncrOutstanding()
	s.IncrOutstanding()
	require.Equal(t, int32(2), s.Outstanding())
	s.DecrOutstanding()
	s.DecrOutstanding()
	require.Equal(t, int32(0), s.Outstanding())
}
