package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chongiou/itolearn/internal/domain/schedule"
)

// CalendarFile is the on-disk shape of the timetable/holiday YAML file.
//
//	tolerance: 5m
//	timetable:
//	  - period: 1
//	    start: "08:40"
//	    end: "09:20"
//	holidays:
//	  - name: 国庆节、中秋节
//	    start: "2025-10-01"
//	    end: "2025-10-08"
//	    days: 8
//	    workdays: ["2025-09-28", "2025-10-11"]
type CalendarFile struct {
	Tolerance time.Duration        `yaml:"tolerance"`
	Timetable []schedule.ClassTime `yaml:"timetable"`
	Holidays  []schedule.Holiday   `yaml:"holidays"`
}

// LoadCalendarFile parses the YAML calendar file at path.
func LoadCalendarFile(path string) (*CalendarFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}

	var file CalendarFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse calendar file %s: %w", path, err)
	}

	if len(file.Timetable) == 0 {
		return nil, fmt.Errorf("calendar file %s: timetable is empty", path)
	}
	return &file, nil
}
