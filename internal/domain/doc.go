// Package domain models hail reports, candidate properties, and the
// proximity rules that associate them.
//
// # Data Source
//
// Hail reports come from the NOAA NCEI Storm Events database, published as
// yearly "details" CSV files at
// https://www.ncei.noaa.gov/pub/data/swdi/stormevents/csvfiles/. The
// collection stage downloads (or reads) those files and hands each row to
// [Normalize] as a [RawRecord]. Column names are configuration; the
// defaults in [DefaultEventColumns] follow the NCEI layout.
//
// # NCEI Data Conventions
//
// Time format:
//
//	BEGIN_DATE_TIME is "DD-MON-YY HH:MM:SS", e.g. "28-APR-24 14:30:00",
//	in the local standard time of the reporting office. Only the date is
//	kept; events carry UTC-midnight timestamps.
//
// Magnitude encoding:
//
//	Hail MAGNITUDE is the stone diameter in inches (1.75 = golf ball).
//	Some feeds encode hundredths of inches (175 = 1.75in). Values >= 10 are
//	assumed to use that encoding because the largest hail recorded in the US
//	was about 8 inches (Vivian, SD, 2010).
//	Empty and "UNK" magnitudes are treated as 0 and fall below any positive
//	minimum.
//
// Duplicates:
//
//	Spotters, trained observers, and mPING often report the same stone.
//	Rows sharing a date, coordinates rounded to [DefaultDedupPrecision]
//	decimal places, and magnitude are treated as one event; the first row
//	in source order wins.
//
// # Effective Radius
//
// Larger hail damages a wider footprint, so each event gets its own search
// radius from [RadiusPolicy]:
//
//	radius(m) = min(base + perInch * max(0, m - min), max)
//
// With the defaults (min 1.0", base 1.0 mi, +1.0 mi/in, cap 5.0 mi) a 2.5"
// report searches 2.5 miles and anything 5" or larger searches 5 miles.
// Events below the minimum magnitude never take part in matching.
//
// # ID Generation
//
// When the source has no ID column, event IDs are deterministic SHA-256
// hashes of date|lat|lon|magnitude so reruns over the same input produce
// the same IDs and byte-identical artifacts.
package domain
