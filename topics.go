package main

import (
	"math/rand/v2"
)

// gameTopics maps a topic shown to everyone onto the candidate keywords one
// of which becomes the round's secret. The spy guesses from this same pool,
// so each topic needs enough entries to pad the decoy list.
var gameTopics = map[string][]string{
	"Video Games": {
		"Minecraft", "Tetris", "Pac-Man", "Zelda", "Mario Kart", "Portal",
		"Doom", "Hollow Knight", "Stardew Valley", "Celeste", "Hades",
		"Factorio", "Terraria", "Undertale", "Space Invaders", "Pong",
		"Half-Life", "Skyrim",
	},
	"Animals": {
		"Capybara", "Octopus", "Penguin", "Axolotl", "Red Panda", "Sloth",
		"Platypus", "Narwhal", "Mantis Shrimp", "Quokka", "Fennec Fox",
		"Tardigrade", "Pangolin", "Snow Leopard", "Blue Whale", "Komodo Dragon",
		"Secretary Bird", "Giant Anteater",
	},
	"Food": {
		"Ramen", "Tacos", "Croissant", "Sushi", "Pizza Margherita",
		"Pad Thai", "Pierogi", "Baklava", "Dim Sum", "Poutine", "Falafel",
		"Tiramisu", "Bibimbap", "Paella", "Pho", "Churros", "Onigiri",
		"Shakshuka",
	},
	"Movies": {
		"Jurassic Park", "The Matrix", "Spirited Away", "Jaws", "Alien",
		"Back to the Future", "Inception", "The Godfather", "Casablanca",
		"Blade Runner", "E.T.", "Titanic", "Psycho", "Up", "Metropolis",
		"Akira", "Mad Max", "Amélie",
	},
	"Occupations": {
		"Astronaut", "Beekeeper", "Locksmith", "Lighthouse Keeper",
		"Sommelier", "Blacksmith", "Air Traffic Controller", "Taxidermist",
		"Falconer", "Glassblower", "Cartographer", "Puppeteer", "Chimney Sweep",
		"Stunt Double", "Ice Sculptor", "Piano Tuner", "Archivist", "Diver",
	},
	"Landmarks": {
		"Eiffel Tower", "Great Wall", "Machu Picchu", "Stonehenge",
		"Taj Mahal", "Colosseum", "Mount Fuji", "Golden Gate Bridge",
		"Pyramids of Giza", "Sagrada Família", "Big Ben", "Christ the Redeemer",
		"Angkor Wat", "Neuschwanstein", "Petra", "Easter Island",
		"Niagara Falls", "Burj Khalifa",
	},
}

// pickTopic chooses a topic and one keyword from it, both uniformly.
func pickTopic() (topic, keyword string) {
	topics := make([]string, 0, len(gameTopics))
	for t := range gameTopics {
		topics = append(topics, t)
	}
	topic = topics[rand.IntN(len(topics))]
	keywords := gameTopics[topic]
	keyword = keywords[rand.IntN(len(keywords))]
	return topic, keyword
}

// decoyOptions builds the option list shown to the spy after the vote: up to
// max decoys drawn from the topic's pool, plus the true answer, shuffled so
// its position gives nothing away.
func decoyOptions(topic, answer string, max int) []string {
	pool := make([]string, 0, len(gameTopics[topic]))
	for _, kw := range gameTopics[topic] {
		if kw != answer {
			pool = append(pool, kw)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	if len(pool) > max {
		pool = pool[:max]
	}

	options := append(pool, answer)
	rand.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})
	return options
}
