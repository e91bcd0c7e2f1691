package statement

import "encoding/json"

const receivedDateKey = "actual_received_date"

// receivedDate reads actual_received_date from an extracted_data document.
func receivedDate(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(doc[receivedDateKey], &v); err != nil {
		return ""
	}
	return v
}

// keepReceivedDate drops everything but actual_received_date.
func keepReceivedDate(raw json.RawMessage) json.RawMessage {
	v := receivedDate(raw)
	if v == "" {
		return nil
	}
	out, _ := json.Marshal(map[string]string{receivedDateKey: v})
	return out
}

// withReceivedDate sets actual_received_date on an extracted_data document.
// An empty date leaves the document untouched.
func withReceivedDate(raw json.RawMessage, date string) (json.RawMessage, error) {
	if date == "" {
		return raw, nil
	}
	doc := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}
	v, err := json.Marshal(date)
	if err != nil {
		return nil, err
	}
	doc[receivedDateKey] = v
	return json.Marshal(doc)
}
