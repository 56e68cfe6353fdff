package termquery

import "github.com/asheshgoplani/termdeck/internal/logging"

var queryLog = logging.ForComponent(logging.CompQuery)
