package view

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"encoding/binary"
	"path/filepath"

	"github.com/pkg/errors"
)

// Functions

// Marshal encodes a View into its binary file form:
// vid, num_members, members, length-prefixed member IPs,
// failed bytes, num_failed, joined, departed, my_rank.
// All integers are little-endian.
func Marshal(v *View) []byte {

	buf := new(bytes.Buffer)

	writeInt32 := func(x int32) {
		binary.Write(buf, binary.LittleEndian, x)
	}

	writeInt32(v.Vid)
	writeInt32(int32(len(v.Members)))

	for _, m := range v.Members {
		writeInt32(m)
	}

	for _, ip := range v.MemberIPs {
		writeInt32(int32(len(ip)))
		buf.WriteString(ip)
	}

	for _, f := range v.Failed {
		if f {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	writeInt32(v.NumFailed)

	writeInt32(int32(len(v.Joined)))
	for _, j := range v.Joined {
		writeInt32(j)
	}

	writeInt32(int32(len(v.Departed)))
	for _, d := range v.Departed {
		writeInt32(d)
	}

	writeInt32(v.MyRank)

	return buf.Bytes()
}

// Unmarshal decodes the binary file form produced by
// Marshal back into a View.
func Unmarshal(data []byte) (*View, error) {

	r := bytes.NewReader(data)

	readInt32 := func() (int32, error) {
		var x int32
		err := binary.Read(r, binary.LittleEndian, &x)
		return x, err
	}

	vid, err := readInt32()
	if err != nil {
		return nil, errors.Wrap(err, "reading vid failed")
	}

	numMembers, err := readInt32()
	if err != nil {
		return nil, errors.Wrap(err, "reading member count failed")
	}
	if numMembers < 0 {
		return nil, errors.Errorf("invalid member count %d", numMembers)
	}

	v := &View{Vid: vid}

	v.Members = make([]int32, numMembers)
	for i := range v.Members {
		if v.Members[i], err = readInt32(); err != nil {
			return nil, errors.Wrap(err, "reading members failed")
		}
	}

	v.MemberIPs = make([]string, numMembers)
	for i := range v.MemberIPs {
		ipLen, err := readInt32()
		if err != nil {
			return nil, errors.Wrap(err, "reading IP length failed")
		}
		ip := make([]byte, ipLen)
		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, errors.Wrap(err, "reading IP failed")
		}
		v.MemberIPs[i] = string(ip)
	}

	v.Failed = make([]bool, numMembers)
	for i := range v.Failed {
		b, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "reading failed flags failed")
		}
		v.Failed[i] = b != 0
	}

	if v.NumFailed, err = readInt32(); err != nil {
		return nil, errors.Wrap(err, "reading failed count failed")
	}

	numJoined, err := readInt32()
	if err != nil {
		return nil, errors.Wrap(err, "reading joined count failed")
	}
	v.Joined = make([]int32, numJoined)
	for i := range v.Joined {
		if v.Joined[i], err = readInt32(); err != nil {
			return nil, errors.Wrap(err, "reading joined ids failed")
		}
	}

	numDeparted, err := readInt32()
	if err != nil {
		return nil, errors.Wrap(err, "reading departed count failed")
	}
	v.Departed = make([]int32, numDeparted)
	for i := range v.Departed {
		if v.Departed[i], err = readInt32(); err != nil {
			return nil, errors.Wrap(err, "reading departed ids failed")
		}
	}

	if v.MyRank, err = readInt32(); err != nil {
		return nil, errors.Wrap(err, "reading my_rank failed")
	}

	return v, nil
}

// PersistView writes the binary form of v to path. The file
// is replaced as a whole: the bytes go to a temporary file
// in the same directory first, which is then renamed over
// the destination.
func PersistView(v *View, path string) error {

	data := Marshal(v)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".view-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary view file failed")
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "writing temporary view file failed")
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "syncing temporary view file failed")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "closing temporary view file failed")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "renaming view file into place failed")
	}

	return nil
}

// LoadView reads the binary view file at path.
func LoadView(path string) (*View, error) {

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading view file at '%s' failed", path)
	}

	return Unmarshal(data)
}

// ParseView reads the textual representation consumed by
// the CLI tools:
//
//	vid <n>
//	member <id> <ip> <failed 0|1>
//	...
//	my_rank <n>
//
// Lines may appear in any order except that member lines
// define ranks in order of appearance.
func ParseView(r io.Reader) (*View, error) {

	v := &View{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		switch fields[0] {

		case "vid":
			if len(fields) != 2 {
				return nil, fmt.Errorf("invalid vid line: %q", line)
			}
			vid, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid vid value: %q", fields[1])
			}
			v.Vid = int32(vid)

		case "member":
			if len(fields) != 4 {
				return nil, fmt.Errorf("invalid member line: %q", line)
			}
			id, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid member id: %q", fields[1])
			}
			failed := fields[3] == "1"
			v.Members = append(v.Members, int32(id))
			v.MemberIPs = append(v.MemberIPs, fields[2])
			v.Failed = append(v.Failed, failed)
			if failed {
				v.NumFailed++
			}

		case "my_rank":
			if len(fields) != 2 {
				return nil, fmt.Errorf("invalid my_rank line: %q", line)
			}
			rank, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid my_rank value: %q", fields[1])
			}
			v.MyRank = int32(rank)

		default:
			return nil, fmt.Errorf("unknown view directive: %q", fields[0])
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading textual view failed")
	}

	if len(v.Members) == 0 {
		return nil, fmt.Errorf("textual view contains no members")
	}

	return v, nil
}

// WriteTextual emits the textual representation of v, the
// inverse of ParseView.
func WriteTextual(v *View, w io.Writer) error {

	if _, err := fmt.Fprintf(w, "vid %d\n", v.Vid); err != nil {
		return err
	}

	for i, m := range v.Members {
		failed := 0
		if v.Failed[i] {
			failed = 1
		}
		if _, err := fmt.Fprintf(w, "member %d %s %d\n", m, v.MemberIPs[i], failed); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "my_rank %d\n", v.MyRank)
	return err
}
