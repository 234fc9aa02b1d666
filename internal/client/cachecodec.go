package client

import "encoding/json"

// encodeCached/decodeCached give Client a stable JSON cache representation,
// kept separate from any HTTP-facing serialization so the two can evolve
// independently.
func encodeCached(c Client) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeCached(s string) (Client, string, error) {
	var c Client
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Client{}, "", err
	}
	return c, c.ZoneID, nil
}
