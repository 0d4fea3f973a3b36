package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/sets/hashset"
)

// ErrEmptyLabelFile is returned when a label file has no lines to sniff.
var ErrEmptyLabelFile = errors.New("task: empty label file")

// TaskType describes how a task's labels are encoded and scored. The bits
// are independent; a task with none of them set is a single-label,
// sentence-level, multiclass classification task.
type TaskType uint8

const (
	Regression TaskType = 1 << iota
	Binary
	TokenLevel
	MultiLabel
	NeedsTranslation
)

var taskTypeNames = []struct {
	bit  TaskType
	name string
}{
	{Regression, "Regression"},
	{Binary, "Binary"},
	{TokenLevel, "TokenLevel"},
	{MultiLabel, "MultiLabel"},
	{NeedsTranslation, "NeedsTranslation"},
}

func (t TaskType) Has(bit TaskType) bool {
	return t&bit != 0
}

func (t TaskType) String() string {
	var names []string
	for _, n := range taskTypeNames {
		if t.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	if !t.Has(Regression) && !t.Has(Binary) {
		names = append([]string{"Multiclass"}, names...)
	}
	return strings.Join(names, "|")
}

// DetectTaskType sniffs the first SniffLines lines of a label file.
//
// Lines whose field counts differ mark a token-level task. Lines that all
// carry the same number of fields, other than one, mark a multi-label
// task. The first value decides between classification (integer),
// regression (float) and string labels that need translation. A
// non-regression task whose sniffed labels take exactly two distinct
// values is binary.
func DetectTaskType(path string) (TaskType, error) {
	lines, err := sniffLines(path, SniffLines)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyLabelFile, path)
	}

	var taskType TaskType

	fields := make([][]string, len(lines))
	for i, line := range lines {
		fields[i] = splitFields(line)
	}

	numFields := len(fields[0])
	for _, f := range fields[1:] {
		if len(f) != numFields {
			taskType |= TokenLevel
			break
		}
	}
	if !taskType.Has(TokenLevel) && numFields != 1 {
		taskType |= MultiLabel
	}

	first := fields[0][0]
	if _, err := strconv.Atoi(first); err != nil {
		if _, err := strconv.ParseFloat(first, 64); err == nil {
			taskType |= Regression
		} else {
			taskType |= NeedsTranslation
		}
	}

	if !taskType.Has(Regression) {
		distinct := hashset.New()
		for _, f := range fields {
			for _, v := range f {
				distinct.Add(v)
			}
		}
		if distinct.Size() == 2 {
			taskType |= Binary
		}
	}

	return taskType, nil
}

func sniffLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for len(lines) < limit && scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read label file %s: %w", path, err)
	}
	return lines, nil
}

// splitFields splits a label line on Delimiter and trims each field.
func splitFields(line string) []string {
	fields := strings.Split(line, string(Delimiter))
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}
