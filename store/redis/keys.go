package redis

// Redis key naming conventions for fleet presence data.
// All keys are prefixed with "casare:" to avoid collisions.

const keyPrefix = "casare:"

// robotKey returns the key for a robot entity: casare:robot:{id}
func robotKey(id string) string { return keyPrefix + "robot:" + id }

// robotIDsKey is the Set tracking all robot IDs for enumeration.
const robotIDsKey = keyPrefix + "robot_ids"
