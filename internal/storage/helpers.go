package storage

import "github.com/google/uuid"

// Object key layout. Everything a team owns lives under its prefix so a
// team wipe is a single prefix listing.
//
//	teams/{teamID}/datafiles/{fileID}
//	teams/{teamID}/overflow/{historyID}

func dataFileKey(teamID, fileID uuid.UUID) string {
	return "teams/" + teamID.String() + "/datafiles/" + fileID.String()
}

func overflowKey(teamID, historyID uuid.UUID) string {
	return "teams/" + teamID.String() + "/overflow/" + historyID.String()
}

// contentTypeOrDefault guards against callers passing an empty content
// type through to S3.
func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
