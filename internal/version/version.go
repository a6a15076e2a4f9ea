package version

// Current is the release version reported in outbound User-Agent headers.
const Current = "0.3.1"
