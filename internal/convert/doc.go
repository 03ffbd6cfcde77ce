// Package convert turns Microsoft Access timeclock databases into attendance
// workbooks. It shells out to mdb-export for table extraction (USERINFO and
// CHECKINOUT), aggregates punch times per employee per day, and writes the
// result as an .xlsx workbook. Cancellation is cooperative: the subprocess is
// killed through the context, and the pure-Go stages check the context between
// steps.
package convert
