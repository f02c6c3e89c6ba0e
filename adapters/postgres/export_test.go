package postgres

// MapError exposes mapError to the external test package.
var MapError = mapError
