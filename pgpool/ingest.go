package pgpool

import (
	"fmt"
	"time"
)

// A Reading is one decoded temperature sample bound for the database.
type Reading struct {
	DeviceID    string
	Temperature float64
	At          time.Time
}

const (
	upsertSensorSQL = `INSERT INTO Sensor (device_id) VALUES ($1)
		ON CONFLICT (device_id) DO UPDATE SET device_id = EXCLUDED.device_id
		RETURNING id`
	insertReadingSQL = `INSERT INTO TemperatureReading (sensor_id, temperature, at)
		VALUES ($1, $2, $3)
		RETURNING id`
)

// IngestReading upserts the sensor row and inserts the reading with the
// returned sensor id. Both statements run on one connection, so their
// callbacks fire in order; done receives the new reading's id. On SQL
// error only onError fires and the connection moves on.
func (p *Pool) IngestReading(r Reading, done func(readingID int64), onError ErrorFunc) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	conn := p.Conn()
	conn.Exec(upsertSensorSQL, []any{r.DeviceID}, func(rows [][]any) {
		sensorID, err := scalarInt64(rows)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("sensor upsert: %w", err))
			}
			return
		}
		conn.Exec(insertReadingSQL, []any{sensorID, r.Temperature, r.At}, func(rows [][]any) {
			readingID, err := scalarInt64(rows)
			if err != nil {
				if onError != nil {
					onError(fmt.Errorf("reading insert: %w", err))
				}
				return
			}
			if done != nil {
				done(readingID)
			}
		}, onError)
	}, onError)
}

func scalarInt64(rows [][]any) (int64, error) {
	if len(rows) != 1 || len(rows[0]) != 1 {
		return 0, fmt.Errorf("expected one id cell, got %d rows", len(rows))
	}
	id, ok := rows[0][0].(int64)
	if !ok {
		return 0, fmt.Errorf("id is %T, not int64", rows[0][0])
	}
	return id, nil
}
