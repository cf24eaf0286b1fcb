// Package trainingdata reads and writes NLU training data.
//
// Two formats are supported. Markdown:
//
//	## intent:book_flight
//	- fly from [Berlin]{"entity": "city", "role": "from"} to [LA](city:Los Angeles)
//
//	## synonym:New York
//	- NYC
//
//	## regex:zipcode
//	- [0-9]{5}
//
//	## lookup:city
//	- berlin
//
//	## response:chitchat/ask_name
//	- I'm a bot
//
// and JSON with a top level "rasa_nlu_data" object. Retrieval intents such
// as "chitchat/ask_name" are stored as the base intent plus the
// engine.AttrIntentResponseKey attribute.
package trainingdata
