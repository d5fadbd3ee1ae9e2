package sync

// Store keyspace. Elements are normalized one record per id so saves can
// write partial diffs and conflicts resolve per element, never per document.
//
//	boards/<board>/elements/<elementId>
//	boards/<board>/files/<assetId>
//	boards/<board>/scene
//	boards/<board>/meta
//	boards/<board>/legacy        (single-blob documents from old clients)
//	presence/<board>/<deviceId>
//	sessions/<board>/<sessionId>
//	config/admins

func elementsPath(boardId string) string {
	return "boards/" + boardId + "/elements"
}

func elementPath(boardId, elementId string) string {
	return elementsPath(boardId) + "/" + elementId
}

func filesPath(boardId string) string {
	return "boards/" + boardId + "/files"
}

func filePath(boardId, assetId string) string {
	return filesPath(boardId) + "/" + assetId
}

func scenePath(boardId string) string {
	return "boards/" + boardId + "/scene"
}

func metaPath(boardId string) string {
	return "boards/" + boardId + "/meta"
}

func legacyPath(boardId string) string {
	return "boards/" + boardId + "/legacy"
}
