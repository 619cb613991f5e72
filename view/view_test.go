package view

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"path/filepath"

	"github.com/stretchr/testify/assert"
)

// Variables

var testView = NewView(
	7,
	[]int32{0, 1, 2},
	[]string{"10.0.0.1:12345", "10.0.0.2:12345", "10.0.0.3:12345"},
	[]bool{false, true, false},
	[]int32{2},
	[]int32{5},
	2,
)

// Functions

// TestRankAndLeader executes a white-box unit test on the
// rank helpers.
func TestRankAndLeader(t *testing.T) {

	assert.Equalf(t, 1, testView.RankOf(1), "expected rank 1 for node 1 but found: %d", testView.RankOf(1))
	assert.Equalf(t, -1, testView.RankOf(9), "expected rank -1 for unknown node but found: %d", testView.RankOf(9))
	assert.Equalf(t, int32(2), testView.MyID(), "expected own id 2 but found: %d", testView.MyID())

	// Rank 0 is alive, so it leads.
	assert.Equalf(t, 0, testView.LeaderRank(), "expected leader rank 0 but found: %d", testView.LeaderRank())
	assert.Equalf(t, false, testView.IAmLeader(), "expected rank 2 not to lead")

	// With rank 0 failed, leadership falls to rank 2.
	v := NewView(8, testView.Members, testView.MemberIPs, []bool{true, true, false}, nil, nil, 2)
	assert.Equalf(t, 2, v.LeaderRank(), "expected leader rank 2 but found: %d", v.LeaderRank())
	assert.Equalf(t, true, v.IAmLeader(), "expected rank 2 to lead")

	assert.Equalf(t, int32(1), testView.NumFailed, "expected 1 failed member but found: %d", testView.NumFailed)
}

// TestMarshalRoundTrip checks the binary file form against
// its inverse.
func TestMarshalRoundTrip(t *testing.T) {

	data := Marshal(testView)

	back, err := Unmarshal(data)
	assert.Nilf(t, err, "expected nil error for Unmarshal() but received: %v", err)

	assert.Equalf(t, true, testView.Equals(back), "expected round-tripped view to equal the original but found: %+v", back)
}

// TestUnmarshalRejectsTruncatedInput checks error handling
// on short reads.
func TestUnmarshalRejectsTruncatedInput(t *testing.T) {

	data := Marshal(testView)

	_, err := Unmarshal(data[:len(data)-3])
	assert.NotNilf(t, err, "expected error for truncated view bytes but received nil")

	_, err = Unmarshal([]byte{1, 2})
	assert.NotNilf(t, err, "expected error for garbage view bytes but received nil")
}

// TestPersistAndLoadView checks the whole-file rewrite and
// read-back path.
func TestPersistAndLoadView(t *testing.T) {

	dir, err := os.MkdirTemp("", "TestPersistAndLoadView-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "view.state")

	err = PersistView(testView, path)
	assert.Nilf(t, err, "expected nil error for PersistView() but received: %v", err)

	back, err := LoadView(path)
	assert.Nilf(t, err, "expected nil error for LoadView() but received: %v", err)
	assert.Equalf(t, true, testView.Equals(back), "expected loaded view to equal the original but found: %+v", back)

	// A second persist replaces the file as a whole.
	v2 := NewView(8, testView.Members, testView.MemberIPs, testView.Failed, nil, nil, 0)
	err = PersistView(v2, path)
	assert.Nilf(t, err, "expected nil error for second PersistView() but received: %v", err)

	back, err = LoadView(path)
	assert.Nilf(t, err, "expected nil error for second LoadView() but received: %v", err)
	assert.Equalf(t, int32(8), back.Vid, "expected vid 8 after rewrite but found: %d", back.Vid)
}

// TestTextualRoundTrip checks ParseView against
// WriteTextual.
func TestTextualRoundTrip(t *testing.T) {

	var buf bytes.Buffer
	err := WriteTextual(testView, &buf)
	assert.Nilf(t, err, "expected nil error for WriteTextual() but received: %v", err)

	back, err := ParseView(&buf)
	assert.Nilf(t, err, "expected nil error for ParseView() but received: %v", err)

	assert.Equalf(t, testView.Vid, back.Vid, "expected vid %d but found: %d", testView.Vid, back.Vid)
	assert.Equalf(t, testView.Members, back.Members, "expected members %v but found: %v", testView.Members, back.Members)
	assert.Equalf(t, testView.MemberIPs, back.MemberIPs, "expected IPs %v but found: %v", testView.MemberIPs, back.MemberIPs)
	assert.Equalf(t, testView.Failed, back.Failed, "expected failed flags %v but found: %v", testView.Failed, back.Failed)
	assert.Equalf(t, testView.MyRank, back.MyRank, "expected my_rank %d but found: %d", testView.MyRank, back.MyRank)
}

// TestParseViewRejectsBadInput checks the error cases of
// the textual parser.
func TestParseViewRejectsBadInput(t *testing.T) {

	_, err := ParseView(strings.NewReader(""))
	assert.NotNilf(t, err, "expected error for empty textual view but received nil")

	_, err = ParseView(strings.NewReader("member 0\n"))
	assert.NotNilf(t, err, "expected error for malformed member line but received nil")

	_, err = ParseView(strings.NewReader("bogus 1 2 3\n"))
	assert.NotNilf(t, err, "expected error for unknown directive but received nil")

	// Comments and blank lines are tolerated.
	v, err := ParseView(strings.NewReader("# comment\n\nvid 3\nmember 0 10.0.0.1:1 0\nmy_rank 0\n"))
	assert.Nilf(t, err, "expected nil error for commented view but received: %v", err)
	assert.Equalf(t, int32(3), v.Vid, "expected vid 3 but found: %d", v.Vid)
}
