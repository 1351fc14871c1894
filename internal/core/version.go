package core

// Version is the scheduler release reported by the API and the CLI.
const Version = "0.4.0"
