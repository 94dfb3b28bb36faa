package cli

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"
)

func TestGetSimpleText(t *testing.T) {
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader("  hello world  \n"))

	got, err := GetSimpleText(r, "Say something", &out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.Contains(t, out.String(), "Say something")
}

func TestGetSimpleText_EOFWithPartialLine(t *testing.T) {
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader("no newline"))

	got, err := GetSimpleText(r, "Say something", &out)
	require.NoError(t, err)
	assert.Equal(t, "no newline", got)
}

func TestGetMultiline(t *testing.T) {
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader("first line\nsecond line\n\nignored\n"))

	got, err := GetMultiline(r, "Note text", &out)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line", got)
}

func TestGetNewPassword(t *testing.T) {
	answers := [][]byte{[]byte("s3cret"), []byte("s3cret")}
	readPassword = func(int) ([]byte, error) {
		pw := answers[0]
		answers = answers[1:]
		return pw, nil
	}
	t.Cleanup(func() { readPassword = term.ReadPassword })

	var out bytes.Buffer
	pw, err := GetNewPassword(&out)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), pw)
}

func TestGetNewPassword_Mismatch(t *testing.T) {
	answers := [][]byte{[]byte("one"), []byte("two")}
	readPassword = func(int) ([]byte, error) {
		pw := answers[0]
		answers = answers[1:]
		return pw, nil
	}
	t.Cleanup(func() { readPassword = term.ReadPassword })

	var out bytes.Buffer
	_, err := GetNewPassword(&out)
	require.Error(t, err)
}
