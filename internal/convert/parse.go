package convert

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// userInfo is one row of the USERINFO table.
type userInfo struct {
	Name  string
	Badge string
	SSN   string
}

// punchKey identifies one employee-day of punches.
type punchKey struct {
	UID  string
	Date string // ISO yyyy-mm-dd
}

// Row is one line of the attendance report: an employee's punches for one day,
// sorted ascending.
type Row struct {
	Badge string
	SSN   string
	Name  string
	Date  string
	Times []string
}

// Timestamp layouts seen in CHECKTIME exports. mdb-export is asked for ISO,
// but .mdb files written by other tools show up with day-first and month-first
// slash formats too.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"02/01/06 15:04:05",
	"02/01/06 15:04",
	"01/02/06 15:04:05",
	"01/02/06 15:04",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "T", " ")
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable CHECKTIME %q", s)
}

// parseUsers reads a USERINFO CSV export into a USERID-keyed map. Column
// positions are resolved from the header, case-insensitively, because exports
// differ in column order between timeclock firmware versions.
func parseUsers(r io.Reader) (map[string]userInfo, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", userTable, err)
	}
	idxUID, idxName, idxBadge, idxSSN := -1, -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "userid":
			idxUID = i
		case "name":
			idxName = i
		case "badgenumber":
			idxBadge = i
		case "ssn":
			idxSSN = i
		}
	}
	if idxUID < 0 || idxName < 0 {
		return nil, fmt.Errorf("%s export missing USERID/Name columns, got %v", userTable, header)
	}

	users := make(map[string]userInfo)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s row: %w", userTable, err)
		}
		uid := strings.TrimSpace(field(rec, idxUID))
		if uid == "" {
			continue
		}
		users[uid] = userInfo{
			Name:  strings.TrimSpace(field(rec, idxName)),
			Badge: strings.TrimSpace(field(rec, idxBadge)),
			SSN:   strings.TrimSpace(field(rec, idxSSN)),
		}
	}
	return users, nil
}

// parsePunches reads a CHECKINOUT CSV export and groups punch times (as
// minutes since midnight) per employee-day. Punches for unknown users are
// skipped; year and month, when non-zero, filter the punches kept. The second
// return value is the number of punches kept.
func parsePunches(r io.Reader, users map[string]userInfo, year, month int) (map[punchKey][]int, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read %s header: %w", punchTable, err)
	}
	idxUID, idxTime := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "userid":
			idxUID = i
		case "checktime", "check_time", "check time":
			idxTime = i
		}
	}
	if idxUID < 0 || idxTime < 0 {
		return nil, 0, fmt.Errorf("%s export missing USERID/CHECKTIME columns, got %v", punchTable, header)
	}

	groups := make(map[punchKey][]int)
	kept := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read %s row: %w", punchTable, err)
		}
		uid := strings.TrimSpace(field(rec, idxUID))
		if _, ok := users[uid]; !ok {
			continue
		}
		ts, err := parseTimestamp(field(rec, idxTime))
		if err != nil {
			return nil, 0, err
		}
		if year != 0 && ts.Year() != year {
			continue
		}
		if month != 0 && int(ts.Month()) != month {
			continue
		}
		key := punchKey{UID: uid, Date: ts.Format("2006-01-02")}
		groups[key] = append(groups[key], ts.Hour()*60+ts.Minute())
		kept++
	}
	return groups, kept, nil
}

// buildRows turns grouped punches into report rows, times sorted ascending
// within each day and rows sorted by name then date.
func buildRows(users map[string]userInfo, groups map[punchKey][]int) []Row {
	rows := make([]Row, 0, len(groups))
	for key, minutes := range groups {
		sort.Ints(minutes)
		times := make([]string, len(minutes))
		for i, m := range minutes {
			times[i] = fmt.Sprintf("%d:%02d", m/60, m%60)
		}
		u := users[key.UID]
		rows = append(rows, Row{
			Badge: u.Badge,
			SSN:   u.SSN,
			Name:  u.Name,
			Date:  key.Date,
			Times: times,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		ni, nj := strings.ToUpper(rows[i].Name), strings.ToUpper(rows[j].Name)
		if ni != nj {
			return ni < nj
		}
		// ISO dates sort correctly as strings.
		return rows[i].Date < rows[j].Date
	})
	return rows
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}
