package region

// DefaultInset keeps grid cells off the borders between neighbouring windows.
const DefaultInset = 2
