// Package export dumps the local buffer to JSON or CSV and restores JSON dumps.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - minutes: look-back window in minutes (default: 24 hours, max: 4 days)
//   - group: keep metrics whose ID starts with "<group>_"
//   - sensor: comma separated metric IDs
//
// Example:
//
//	curl "http://localhost:3000/v1/export?format=csv&minutes=120&group=temp" -o temps.csv
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:3000/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// Only full-width dumps taken under the same schema import. A dump made with
// a group or sensor filter is refused with 409, as is one whose columns
// differ from the running registry.
//
// # Data Format
//
// The JSON dump carries metadata and one entry per record:
//
//	{
//	  "metadata": {
//	    "exported_at": "2024-03-10T12:00:00Z",
//	    "start_time": "2024-03-09 12:00:00.000000",
//	    "end_time": "2024-03-10 12:00:00.000000",
//	    "record_count": 1440,
//	    "columns": ["fan_cpu__measure", "temp_cpu__measure"],
//	    "fingerprint": "9f2c4e1a0b7d3e55",
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "records": [
//	    {
//	      "id": 17,
//	      "timestamp": "2024-03-10 11:59:00.123456",
//	      "values": {"fan_cpu__measure": 812, "temp_cpu__measure": 48.5}
//	    }
//	  ]
//	}
//
// CSV rows follow the local table layout: id, timestamp, then one column per
// metric in registry order. Absent readings keep the -1 sentinel.
//
// Invalid records in an import (bad timestamp, missing column) are skipped
// and listed in ImportResult.Errors rather than failing the whole import.
package export
