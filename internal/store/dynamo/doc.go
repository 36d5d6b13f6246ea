// Package dynamo implements the entity store on Amazon DynamoDB.
//
// Each entity is one item in a single table whose hash key is
// "context#type#id". Writes carry a condition expression so that an item is
// only replaced by a strictly newer revision; deletes only succeed while the
// stored revision is older than the revision that ended the entity.
//
// DynamoDB has no connection pool, so the store never reports
// entity.ErrPoolTimeout; throttling and server faults are transient.
package dynamo
